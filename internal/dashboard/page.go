package dashboard

// indexHTML is the whole web dashboard. One page, no build step: it paints
// whatever JSON the state feed carries and falls back to polling /state
// while the websocket is down.
const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>oraclebot</title>
<style>
body{background:#0d1117;color:#c9d1d9;font:13px/1.5 "SF Mono",Menlo,Consolas,monospace;margin:0;padding:16px}
h1{font-size:15px;color:#58a6ff;margin:0 0 12px}
h1 .dot{display:inline-block;width:8px;height:8px;border-radius:50%;background:#f85149;margin-right:6px}
h1 .dot.live{background:#3fb950}
.grid{display:grid;grid-template-columns:repeat(auto-fit,minmax(140px,1fr));gap:8px;margin-bottom:16px}
.card{background:#161b22;border:1px solid #30363d;border-radius:6px;padding:10px}
.card .k{color:#8b949e;font-size:11px;text-transform:uppercase}
.card .v{font-size:17px;margin-top:2px}
.pos{color:#3fb950}.neg{color:#f85149}
table{width:100%;border-collapse:collapse;margin-bottom:16px}
th{color:#8b949e;text-align:left;font-weight:normal;font-size:11px;text-transform:uppercase;padding:4px 8px;border-bottom:1px solid #30363d}
td{padding:4px 8px;border-bottom:1px solid #21262d}
h2{font-size:12px;color:#8b949e;text-transform:uppercase;margin:0 0 6px}
#feed{max-height:220px;overflow-y:auto}
#feed div{padding:2px 0;color:#8b949e}
#feed .win{color:#3fb950}#feed .loss{color:#f85149}
</style>
</head>
<body>
<h1><span class="dot" id="dot"></span>oraclebot</h1>
<div class="grid" id="stats"></div>
<h2>Open positions</h2>
<table><thead><tr><th>Window</th><th>Bucket</th><th>Dir</th><th>Shares</th><th>Entry</th><th>Size</th><th>Conf</th></tr></thead><tbody id="open"></tbody></table>
<h2>Buckets</h2>
<table><thead><tr><th>Bucket</th><th>Trades</th><th>W/L</th><th>P&amp;L</th><th>Used / Budget</th><th>Status</th></tr></thead><tbody id="buckets"></tbody></table>
<h2>Events</h2>
<div id="feed"></div>
<script>
const $=id=>document.getElementById(id);
function money(v){const n=parseFloat(v);const c=n>0?"pos":n<0?"neg":"";return '<span class="'+c+'">$'+n.toFixed(2)+'</span>'}
function stat(k,v){return '<div class="card"><div class="k">'+k+'</div><div class="v">'+v+'</div></div>'}
function render(s){
  if(!s||!s.stats)return;
  const st=s.stats;
  $("stats").innerHTML=
    stat("Bankroll",money(st.bankroll||0))+
    stat("Realized P&L",money(st.realized_pnl||0))+
    stat("Wins",st.wins||0)+stat("Losses",st.losses||0)+
    stat("Pushes",st.pushes||0)+stat("Phantoms",st.phantoms||0)+
    stat("Open",st.open_positions||0)+
    stat("BTC",st.btc_price?"$"+parseFloat(st.btc_price).toFixed(2):"—");
  $("open").innerHTML=(s.open_trades||[]).map(t=>
    "<tr><td>"+t.window_id+"</td><td>"+t.bucket+"</td><td>"+t.direction+"</td><td>"+t.shares+
    "</td><td>"+t.entry_price+"</td><td>"+money(t.size_usd)+"</td><td>"+Math.round((t.confidence||0)*100)+"%</td></tr>").join("");
  $("buckets").innerHTML=Object.values(s.buckets||{}).map(b=>
    "<tr><td>"+b.name+"</td><td>"+b.trades_today+"</td><td>"+b.wins+"/"+b.losses+"</td><td>"+money(b.pnl_today)+
    "</td><td>$"+parseFloat(b.used_today||0).toFixed(2)+" / $"+parseFloat(b.budget_usd||0).toFixed(2)+
    "</td><td>"+(b.can_trade?"ok":b.reason||"blocked")+"</td></tr>").join("");
}
function feed(msg,cls){
  const d=document.createElement("div");
  if(cls)d.className=cls;
  d.textContent=new Date().toLocaleTimeString()+"  "+msg;
  $("feed").prepend(d);
  while($("feed").children.length>100)$("feed").lastChild.remove();
}
let ws,retry=1000;
function connect(){
  ws=new WebSocket((location.protocol==="https:"?"wss://":"ws://")+location.host+"/ws");
  ws.onopen=()=>{$("dot").classList.add("live");retry=1000};
  ws.onmessage=e=>{
    const evt=JSON.parse(e.data);
    if(evt.type==="state")render(evt.data);
    else if(evt.type==="tick"&&evt.data&&evt.data.price){
      const el=document.querySelector("#stats .card:last-child .v");
      if(el)el.textContent="$"+parseFloat(evt.data.price).toFixed(2);
    }
    else if(evt.type==="trade"){
      const t=evt.data;
      if(t.outcome)feed(t.window_id+" "+t.direction+" "+t.outcome.toUpperCase()+" "+t.pnl,t.outcome==="win"?"win":t.outcome==="loss"?"loss":"");
      else feed("OPEN "+t.window_id+" "+t.direction+" $"+t.size_usd+" @ "+t.entry_price);
    }
  };
  ws.onclose=()=>{$("dot").classList.remove("live");setTimeout(connect,retry);retry=Math.min(retry*2,15000)};
}
connect();
setInterval(()=>{
  if(ws&&ws.readyState===1)return;
  fetch("/state").then(r=>r.json()).then(render).catch(()=>{});
},5000);
</script>
</body>
</html>
`
